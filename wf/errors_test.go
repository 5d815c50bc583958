package wf

import (
	"errors"
	"fmt"
	"testing"
)

func TestFailureNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   *Failure
		want FailureKind
	}{
		{"retryable passes through", &Failure{Type: KindRetryable, Message: "x"}, KindRetryable},
		{"timeout passes through", &Failure{Type: KindTimeout, Message: "x"}, KindTimeout},
		{"conflict passes through", &Failure{Type: KindConflict, Message: "x"}, KindConflict},
		{"unknown coerced", &Failure{Type: "weird", Message: "x"}, KindNonRetryable},
		{"empty coerced", &Failure{Message: "x"}, KindNonRetryable},
		{"nil becomes generic", nil, KindNonRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.in.Normalize()
			if got.Type != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got.Type)
			}
		})
	}

	t.Run("normalize copies rather than mutates", func(t *testing.T) {
		in := &Failure{Type: "weird", Message: "x"}
		_ = in.Normalize()
		if in.Type != "weird" {
			t.Error("Normalize mutated its receiver")
		}
	})
}

func TestFailureFromError(t *testing.T) {
	t.Run("plain error wrapped with kind", func(t *testing.T) {
		f := FailureFromError(KindRetryable, errors.New("boom"))
		if f.Type != KindRetryable || f.Message != "boom" {
			t.Errorf("unexpected failure: %+v", f)
		}
	})

	t.Run("structured failure passes through", func(t *testing.T) {
		orig := &Failure{Type: KindTimeout, Message: "deadline"}
		f := FailureFromError(KindRetryable, fmt.Errorf("activity: %w", orig))
		if f.Type != KindTimeout {
			t.Errorf("expected timeout preserved, got %s", f.Type)
		}
	})
}
