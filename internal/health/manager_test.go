package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManager_EmptyIsHealthy(t *testing.T) {
	m := New(nil)
	assert.True(t, m.IsHealthy())
	assert.Empty(t, m.GetStatus())
}

func TestManager_OneUnhealthyComponentFailsOverall(t *testing.T) {
	m := New(nil)
	m.Register("store", func() error { return nil })
	m.Register("transport", func() error { return errors.New("dial timeout") })

	assert.False(t, m.IsHealthy())

	status := m.GetStatus()
	assert.NoError(t, status["store"])
	assert.EqualError(t, status["transport"], "dial timeout")
}

func TestManager_RegisterReplacesExistingCheck(t *testing.T) {
	m := New(nil)
	m.Register("store", func() error { return errors.New("down") })
	assert.False(t, m.IsHealthy())

	m.Register("store", func() error { return nil })
	assert.True(t, m.IsHealthy())
}
