package shutdown

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSession struct {
	name  string
	order *[]string
}

func (f fakeSession) Name() string { return f.name }
func (f fakeSession) Disconnect()  { *f.order = append(*f.order, f.name) }

func withExit(t *testing.T) *int {
	code := -1
	old := ExitFunc
	ExitFunc = func(c int) { code = c }
	t.Cleanup(func() {
		ExitFunc = old
		reset()
	})
	return &code
}

func TestShutdownDisconnectsInReverse(t *testing.T) {
	code := withExit(t)
	var order []string
	Register(fakeSession{"aux", &order})
	Register(fakeSession{"dome", &order})

	Shutdown()
	assert.Equal(t, []string{"dome", "aux"}, order)
	assert.Equal(t, 0, *code)
}

func TestShutdownWithError(t *testing.T) {
	code := withExit(t)
	var order []string
	Register(fakeSession{"dome", &order})

	ShutdownWithError(errors.New("listen failed"), "API server stopped")
	assert.Equal(t, []string{"dome"}, order)
	assert.Equal(t, 1, *code)
}
