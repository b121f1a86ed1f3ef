package bluez

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

func TestIsUnavailable(t *testing.T) {
	unknown := dbus.Error{Name: "org.freedesktop.DBus.Error.ServiceUnknown"}
	assert.True(t, IsUnavailable(unknown))
	assert.True(t, IsUnavailable(errors.Join(errors.New("read adapter"), unknown)))
	assert.False(t, IsUnavailable(dbus.Error{Name: "org.bluez.Error.Failed"}))
	assert.False(t, IsUnavailable(errors.New("no bus")))
}

func TestStartDialErrorIsNotRetried(t *testing.T) {
	calls := 0
	tr := New(Config{
		WaitForService: true,
		Dial: func() (*dbus.Conn, error) {
			calls++
			return nil, errors.New("no system bus")
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, tr.Start(ctx))
	assert.Equal(t, 1, calls)
}
