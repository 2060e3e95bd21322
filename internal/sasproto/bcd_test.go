package sasproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
)

// 测试BCD编解码往返
func TestBCDRoundTrip(t *testing.T) {
	tests := []struct {
		value uint64
		width int
	}{
		{0, 1},
		{9, 1},
		{99, 1},
		{100, 2},
		{12345, 3},
		{500, 5},
		{9999999999, 5}, // AFT金额上限
		{12345678, 4},   // MMDDYYYY形式的日期
	}

	for _, tt := range tests {
		encoded, err := EncodeBCD(tt.value, tt.width)
		require.NoError(t, err)
		assert.Len(t, encoded, tt.width)
		assert.Equal(t, tt.value, DecodeBCD(encoded))
	}
}

// 测试已知BCD字节布局
func TestBCDKnownLayout(t *testing.T) {
	encoded, err := EncodeBCD(1234545, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x23, 0x45, 0x45}, encoded)

	assert.Equal(t, uint64(12345), DecodeBCD([]byte{0x00, 0x00, 0x01, 0x23, 0x45}))
	assert.Equal(t, uint64(678), DecodeBCD([]byte{0x00, 0x00, 0x00, 0x06, 0x78}))
}

// 测试数值超出宽度时报错
func TestBCDOverflow(t *testing.T) {
	_, err := EncodeBCD(100, 1)
	assert.True(t, agenterrors.Is(err, agenterrors.FrameTooLong))

	_, err = EncodeBCD(10000000000, 5)
	assert.True(t, agenterrors.Is(err, agenterrors.FrameTooLong))
}
