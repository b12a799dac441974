package metrics

import "testing"

func TestIncHandoffDoesNotPanic(t *testing.T) {
	IncHandoff(HandoffElected)
	IncHandoff(HandoffNoActive)
}

func TestIncCommandDoesNotPanic(t *testing.T) {
	IncCommand(EndpointLocal, ResultSuccess)
	IncCommand(EndpointRemote, ResultFailure)
}

func TestSetPoolSizeAndActiveEndpointDoNotPanic(t *testing.T) {
	SetPoolSize(3)
	SetActiveEndpoint(ActiveRemote)
}
