package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageVariants(t *testing.T) {
	e := New(KindConfig, "bad option")
	assert.Equal(t, "config: bad option", e.Error())

	wrapped := Wrap(KindIO, "pread", errors.New("short read"))
	assert.Equal(t, "io: pread: short read", wrapped.Error())

	dev := DeviceError("write", 0x0007) // status code 3, type 0
	assert.Contains(t, dev.Error(), "device: write: status code=0x03")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(KindIO, "op", nil))
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("boom")
	e := Wrap(KindMmap, "mmap", inner)
	assert.ErrorIs(t, e, inner)
}

func TestDecodeStatus(t *testing.T) {
	// phase=1, status code=3 (bits 8:1), type=0, DNR=0
	status := DecodeStatus(0x0007)
	assert.Equal(t, uint8(3), status.Code)
	assert.Equal(t, uint8(0), status.Type)
	assert.False(t, status.DoNotRetry)
	assert.True(t, Phase(0x0007))

	dnr := DecodeStatus(1 << 14)
	assert.True(t, dnr.DoNotRetry)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "device", KindDevice.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
