package codec

import "testing"

func TestEncodeCommandClampsAndRounds(t *testing.T) {
	cases := []struct {
		name                  string
		shock, vibro, sound   float64
		wantS, wantV, wantSnd byte
	}{
		{"in range", 50, 0, 0, 50, 0, 0},
		{"negative and overflow clamp", -1, 200, 50, 0, 100, 50},
		{"fractional rounds to nearest", 3.6, 3.4, 0, 4, 3, 0},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := EncodeCommand(c.shock, c.vibro, c.sound)
			if len(f) != 6 {
				t.Fatalf("len = %d, want 6", len(f))
			}
			if f[0] != 0xAA || f[1] != 0x07 || f[5] != 0xBB {
				t.Fatalf("frame envelope wrong: % X", f)
			}
			if f[2] != c.wantS || f[3] != c.wantV || f[4] != c.wantSnd {
				t.Fatalf("got % X, want shock=%d vibro=%d sound=%d", f, c.wantS, c.wantV, c.wantSnd)
			}
		})
	}
}

func TestEncodeCommandBoundaryBytes(t *testing.T) {
	got := EncodeCommand(-1, 200, 50)
	want := Frame{0xAA, 0x07, 0x00, 0x64, 0x32, 0xBB}
	if !equalFrames(got, want) {
		t.Fatalf("got % X, want % X", got, want)
	}

	got = EncodeCommand(3.6, 3.4, 0)
	want = Frame{0xAA, 0x07, 0x04, 0x03, 0x00, 0xBB}
	if !equalFrames(got, want) {
		t.Fatalf("got % X, want % X", got, want)
	}
}

func TestClampIsIdempotent(t *testing.T) {
	for _, x := range []float64{-50, -1, 0, 0.4, 50.5, 99.9, 100, 150} {
		once := clamp(x)
		twice := clamp(float64(once))
		if once != twice {
			t.Fatalf("clamp(%v) = %d, clamp(clamp(%v)) = %d", x, once, x, twice)
		}
	}
}

func TestEncodeFind(t *testing.T) {
	got := EncodeFind()
	want := Frame{0xEE, 0x02, 0xBB}
	if !equalFrames(got, want) {
		t.Fatalf("got % X, want % X", got, want)
	}
}

func TestEncodeBatteryQuery(t *testing.T) {
	got := EncodeBatteryQuery()
	want := Frame{0xDD, 0xAA, 0xBB}
	if !equalFrames(got, want) {
		t.Fatalf("got % X, want % X", got, want)
	}
}

func TestIsCommandFrame(t *testing.T) {
	if !IsCommandFrame(EncodeCommand(10, 20, 30)) {
		t.Fatal("expected command frame to be recognized")
	}
	if IsCommandFrame(EncodeFind()) {
		t.Fatal("find frame should not be treated as a command frame")
	}
	if IsCommandFrame(EncodeBatteryQuery()) {
		t.Fatal("battery query should not be treated as a command frame")
	}
}

func TestParseNotificationRecognizesBatteryReport(t *testing.T) {
	b := []byte{0xAA, 0x07, 0x00, 0x00, 0x00, 0x5A, 0xBB}
	report, ok := ParseNotification(b)
	if !ok {
		t.Fatal("expected recognized battery report")
	}
	if report.Percent != 0x5A {
		t.Fatalf("percent = %d, want 90", report.Percent)
	}
}

func TestParseNotificationRejectsOther(t *testing.T) {
	cases := [][]byte{
		{0xAA, 0x07, 0x00},             // too short
		{0xEE, 0x02, 0xBB, 0, 0, 0},    // wrong leading bytes
		{0xAA, 0x08, 0, 0, 0, 0, 0xBB}, // wrong second byte
	}
	for _, b := range cases {
		if _, ok := ParseNotification(b); ok {
			t.Fatalf("unexpectedly recognized % X", b)
		}
	}
}

func equalFrames(a, b Frame) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
