package audit

import (
	"path/filepath"
	"testing"

	"github.com/nodewire/blearbiter/pkg/codec"
)

func TestRecordCommandPersistsRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	trail, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer trail.Close()

	f := codec.EncodeCommand(50, 0, 0)
	if err := trail.RecordCommand(EndpointLocal, f, true); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := trail.db.QueryRow(`SELECT COUNT(*) FROM command_log`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestFrameKindClassification(t *testing.T) {
	cases := []struct {
		frame codec.Frame
		want  string
	}{
		{codec.EncodeCommand(1, 2, 3), "command"},
		{codec.EncodeFind(), "find"},
		{codec.EncodeBatteryQuery(), "battery_query"},
	}
	for _, c := range cases {
		if got := frameKind(c.frame); got != c.want {
			t.Fatalf("frameKind(% X) = %q, want %q", c.frame, got, c.want)
		}
	}
}
