package middleware

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type call struct{ trail []string }

func TestGuardedRunsGuardsInOrder(t *testing.T) {
	first := func(c *call, action string, _ int) error {
		c.trail = append(c.trail, "first:"+action)
		return nil
	}
	second := func(c *call, action string, args int) error {
		c.trail = append(c.trail, "second:"+action)
		if args < 0 {
			return errors.New("negative")
		}
		return nil
	}
	h := Guarded("resize", func(c *call, args int) error {
		c.trail = append(c.trail, "handler")
		return nil
	}, first, second)

	c := &call{}
	assert.NoError(t, h(c, 1))
	assert.Equal(t, []string{"first:resize", "second:resize", "handler"}, c.trail)

	c = &call{}
	assert.Error(t, h(c, -1))
	assert.Equal(t, []string{"first:resize", "second:resize"}, c.trail)
}

func TestGuardedStopsAtFirstError(t *testing.T) {
	denied := errors.New("denied")
	reached := false
	h := Guarded("c", func(*call, string) error {
		reached = true
		return nil
	}, func(*call, string, string) error { return denied })

	assert.ErrorIs(t, h(&call{}, "x"), denied)
	assert.False(t, reached)
}

func TestGuardedAll(t *testing.T) {
	var seen []string
	guard := func(_ *call, action string, _ int) error {
		seen = append(seen, action)
		return nil
	}
	table := GuardedAll(map[string]Handler[*call, int]{
		"a": func(*call, int) error { return nil },
	}, guard)
	assert.NoError(t, table["a"](&call{}, 0))
	assert.Equal(t, []string{"a"}, seen)
}
