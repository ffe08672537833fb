package subjects

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRef(t *testing.T) {
	ref := Ref{Type: "account", ID: "42"}
	assert.Equal(t, "account:42", ref.String())
	assert.False(t, ref.IsZero())
	assert.True(t, Ref{Type: "account"}.IsZero())
}

func TestRegistry_Resolve(t *testing.T) {
	reg := NewRegistry()
	reg.Register("account", ResolverFunc(func(ctx context.Context, id string) (Subject, error) {
		if id == "missing" {
			return nil, ErrSubjectNotFound
		}
		return Static("Account " + id), nil
	}))

	t.Run("known type", func(t *testing.T) {
		s, err := reg.Resolve(context.Background(), Ref{Type: "account", ID: "7"})
		require.NoError(t, err)
		assert.Equal(t, "Account 7", s.HumanDescriptionForSubscription())
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := reg.Resolve(context.Background(), Ref{Type: "user", ID: "7"})
		assert.True(t, errors.Is(err, ErrUnknownSubjectType))
	})

	t.Run("resolver error is wrapped", func(t *testing.T) {
		_, err := reg.Resolve(context.Background(), Ref{Type: "account", ID: "missing"})
		assert.True(t, errors.Is(err, ErrSubjectNotFound))
		assert.Contains(t, err.Error(), "account:missing")
	})
}
