package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ Memory }

func (f *failingSink) Close(context.Context) error { return errors.New("close failed") }

func TestMultiFansOut(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	m := Multi{a, b, LogSink{}, Nop{}}

	m.Record(context.Background(), Event{Type: SessionOpened, Address: "10.0.0.5"})
	m.Record(context.Background(), Event{Type: SessionClosed, Address: "10.0.0.5"})

	assert.Len(t, a.Events(), 2)
	assert.Equal(t, a.Events(), b.Events())
	assert.Len(t, a.OfType(SessionClosed), 1)
	require.NoError(t, m.Close(context.Background()))
}

func TestMultiJoinsCloseErrors(t *testing.T) {
	m := Multi{NewMemory(), &failingSink{}}
	assert.EqualError(t, m.Close(context.Background()), "close failed")
}
