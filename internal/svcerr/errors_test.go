package svcerr

import (
	"errors"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error without underlying error",
			err:  ScheduleInvalid("month out of range"),
			want: "[AUTOMATION_1001] schedule is invalid",
		},
		{
			name: "error with underlying error",
			err:  DatabaseTransient("claim_due_rules", errors.New("connection reset")),
			want: "[DB_2001] database operation failed: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	underlying := errors.New("timeout")
	err := EnclaveTransient("invoke", underlying)

	if !errors.Is(err, underlying) {
		t.Errorf("expected Unwrap chain to reach underlying error")
	}
}

func TestError_WithDetail(t *testing.T) {
	err := ScheduleInvalid("bad day").WithDetail("field", "local_time_minutes")

	if len(err.Details) != 2 {
		t.Fatalf("Details length = %d, want 2", len(err.Details))
	}
	if err.Details["reason"] != "bad day" {
		t.Errorf("Details[reason] = %v, want %q", err.Details["reason"], "bad day")
	}
	if err.Details["field"] != "local_time_minutes" {
		t.Errorf("Details[field] = %v, want local_time_minutes", err.Details["field"])
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil error", nil, KindPermanent},
		{"permanent", AttestationFailed("measurement denied", nil), KindPermanent},
		{"transient", DatabaseTransient("claim_job", errors.New("deadline exceeded")), KindTransient},
		{"lease lost", LeaseLost("worker-2"), KindLeaseLost},
		{"unclassified error defaults transient", errors.New("boom"), KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAs(t *testing.T) {
	err := PushTokenInvalid("device-1", errors.New("invalid token"))
	svcErr, ok := As(err)
	if !ok {
		t.Fatal("expected As to succeed")
	}
	if svcErr.Code != CodePushTokenInvalid {
		t.Errorf("Code = %v, want %v", svcErr.Code, CodePushTokenInvalid)
	}

	if _, ok := As(errors.New("plain")); ok {
		t.Error("expected As to fail for a non-Error")
	}
}
