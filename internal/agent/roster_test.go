package agent

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-bigpig/jcp-debate/internal/models"
)

func TestRosterCoversAllRoles(t *testing.T) {
	r := NewRoster()
	for _, role := range models.Roles {
		p, ok := r.Get(role)
		require.True(t, ok, role)
		assert.Equal(t, role, p.Role)
		assert.NotEmpty(t, p.Name)
		if p.Speaks {
			assert.NotEmpty(t, p.Instruction, role)
		}
	}

	personas := r.Personas()
	require.Len(t, personas, len(models.Roles))
	for i := 1; i < len(personas); i++ {
		assert.Less(t, personas[i-1].Order, personas[i].Order)
	}
}

func TestRosterOverride(t *testing.T) {
	r := NewRoster()
	require.NoError(t, r.Override(models.RoleBull, Persona{Name: "老多", AIConfigID: "deepseek"}))

	p, _ := r.Get(models.RoleBull)
	assert.Equal(t, "老多", p.Name)
	assert.Equal(t, "deepseek", p.AIConfigID)
	assert.NotEmpty(t, p.Instruction, "未覆盖的字段保留默认")
	assert.Equal(t, "老多", r.Name(models.RoleBull))

	err := r.Override(models.Role("moderator"), Persona{Name: "x"})
	assert.ErrorIs(t, err, models.ErrProtocolViolation)
}

func TestFunc(t *testing.T) {
	var c Capability = Func(func(_ context.Context, req Request) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			yield(string(req.Role), nil)
		}
	})
	var got []string
	for chunk, err := range c.Stream(context.Background(), Request{Role: models.RoleQuick}) {
		require.NoError(t, err)
		got = append(got, chunk)
	}
	assert.Equal(t, []string{"quick"}, got)
}
