package sasproto

import "github.com/wfunc/sas-edge-agent/internal/agenterrors"

// EncodeBCD 将v编码为width字节的大端压缩BCD（每字节两位十进制）
// SAS协议用该编码表示计数器值和AFT金额，v必须能放入width*2位十进制。
func EncodeBCD(v uint64, width int) ([]byte, error) {
	maxVal := uint64(1)
	for i := 0; i < width*2; i++ {
		maxVal *= 10
	}
	if v >= maxVal {
		return nil, agenterrors.Newf(agenterrors.FrameTooLong, "数值 %d 无法放入 %d 字节BCD", v, width)
	}
	out := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		lo := v % 10
		v /= 10
		hi := v % 10
		v /= 10
		out[i] = byte(hi<<4 | lo)
	}
	return out, nil
}

// DecodeBCD 将大端压缩BCD字节解码为整数
func DecodeBCD(b []byte) uint64 {
	var v uint64
	for _, by := range b {
		hi := (by >> 4) & 0x0F
		lo := by & 0x0F
		v = v*100 + uint64(hi)*10 + uint64(lo)
	}
	return v
}
