package deployment

import "testing"

func TestCanTransitionHappyPath(t *testing.T) {
	seq := []Status{StatusValidating, StatusSelectingGPU, StatusCreatingEndpoint, StatusLoadingModel, StatusReady}
	for i := 1; i < len(seq); i++ {
		if !CanTransition(seq[i-1], seq[i]) {
			t.Fatalf("expected %s -> %s to be valid", seq[i-1], seq[i])
		}
	}
}

func TestCanTransitionRejectsSkippingToReadyFromValidating(t *testing.T) {
	if CanTransition(StatusValidating, StatusReady) {
		t.Fatalf("validating -> ready should not be a direct edge")
	}
}

func TestCanTransitionRejectsLeavingTerminalStates(t *testing.T) {
	for _, terminal := range []Status{StatusReady, StatusFailed, StatusTimeout, StatusWebhookFailed} {
		if CanTransition(terminal, StatusValidating) {
			t.Fatalf("%s should not transition back to validating", terminal)
		}
	}
}

func TestDeleteReachableFromEveryNonDeletedStatus(t *testing.T) {
	for s := range Transitions {
		if s == "" || s == StatusDeleted {
			continue
		}
		if !CanTransition(s, StatusDeleted) {
			t.Fatalf("%s should always allow delete", s)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	cases := map[Status]bool{
		StatusReady:            true,
		StatusFailed:           true,
		StatusTimeout:          true,
		StatusWebhookFailed:    true,
		StatusDeleted:          true,
		StatusValidating:       false,
		StatusCreatingEndpoint: false,
	}
	for s, want := range cases {
		if got := IsTerminal(s); got != want {
			t.Errorf("IsTerminal(%s) = %v, want %v", s, got, want)
		}
	}
}

func TestIsCapacityClassification(t *testing.T) {
	cap := NewProviderCapacityError("runpod", "standard")
	generic := NewProviderError("runpod", errSentinel)
	if !IsCapacity(cap) {
		t.Fatalf("expected capacity error to classify as capacity")
	}
	if IsCapacity(generic) {
		t.Fatalf("generic provider error must not classify as capacity")
	}
}

type sentinelErr struct{}

func (sentinelErr) Error() string { return "boom" }

var errSentinel = sentinelErr{}
