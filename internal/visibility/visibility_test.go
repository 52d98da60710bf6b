package visibility

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBroadcaster_NotifyAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	var a, c int
	unsubA := b.OnVisible(func() { a++ })
	b.OnVisible(func() { c++ })

	b.Notify()
	unsubA()
	b.Notify()

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, c)
	assert.Equal(t, 1, b.Subscribers())
}
