package resilience

import (
	"errors"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"

	"github.com/cortexa-labs/cortexa/internal/model"
)

func TestIsTransient_ExplicitWrap(t *testing.T) {
	err := NewTransientError(errors.New("backend 503"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}

	wrapped := eris.Wrap(err, "embedder: batch failed")
	if !IsTransient(wrapped) {
		t.Error("expected wrapped TransientError to be transient")
	}
}

func TestIsTransient_DomainOutcomes(t *testing.T) {
	for _, err := range []error{
		model.ErrNotFound,
		model.ErrPermissionDenied,
		model.ErrCapacityExceeded,
		model.ErrJobCancelled,
		model.NewValidationError("sandbox", "timed out"),
	} {
		if IsTransient(err) {
			t.Errorf("domain outcome %v must not be transient", err)
		}
		if IsTransient(eris.Wrap(err, "router: dispatch")) {
			t.Errorf("wrapped domain outcome %v must not be transient", err)
		}
	}
}

func TestIsTransient_NetworkErrors(t *testing.T) {
	if !IsTransient(syscall.ECONNREFUSED) {
		t.Error("connection refused should be transient")
	}
	if !IsTransient(errors.New("dial tcp: i/o timeout")) {
		t.Error("i/o timeout pattern should be transient")
	}
	if IsTransient(errors.New("invalid request payload")) {
		t.Error("generic error should not be transient")
	}
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("status %d should be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("status %d should not be transient", code)
		}
	}
}
