// Package sasproto 实现SAS链路层的帧编解码
// 纯函数、无状态：帧组装/解析、CRC-16/KERMIT、BCD编解码。
// 本包不接触串口、时钟和日志器，唤醒位由串口传输层处理。
package sasproto

import (
	"encoding/binary"
	"io"

	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
)

// MaxPayloadLen 单帧负载上限（长度前缀为单字节）
const MaxPayloadLen = 255

// CommandSpec 描述一个SAS命令码的响应格式
// 解码器据此决定需要读取多少负载字节。
type CommandSpec struct {
	Command         byte // 命令码
	LengthPrefixed  bool // 负载前是否带单字节长度前缀
	FixedPayloadLen int  // 固定负载长度（LengthPrefixed为false时使用）
}

// SpecTable 命令码到响应格式的映射
// DecodeFrame据此查找入站帧的响应格式；轮询引擎不查此表，
// 其各交换函数直接给出自己的响应格式。
type SpecTable map[byte]CommandSpec

// Encode 组装完整SAS帧
// 依次为地址、命令码、可选长度字节（lengthPrefixed时）、负载，
// 以及对前述全部字节计算的小端CRC-16/KERMIT。
// 不施加唤醒位标记，发送时由串口传输层处理。
func Encode(address, command byte, payload []byte, lengthPrefixed bool) []byte {
	body := make([]byte, 0, 4+len(payload))
	body = append(body, address, command)
	if lengthPrefixed {
		body = append(body, byte(len(payload)))
	}
	body = append(body, payload...)

	crc := CRC16Kermit(body)
	out := make([]byte, len(body)+2)
	copy(out, body)
	binary.LittleEndian.PutUint16(out[len(body):], crc)
	return out
}

// Decode 按spec从r中读取一个完整帧并校验CRC
// 读取地址、命令码、可选长度字节、负载和尾部CRC。
// consumed为已从r读取的总字节数（出错时同样返回，便于调用方重新同步）。
func Decode(r io.Reader, spec CommandSpec) (payload []byte, consumed int, err error) {
	head := make([]byte, 2)
	n, err := io.ReadFull(r, head)
	consumed += n
	if err != nil {
		return nil, consumed, agenterrors.Wrap(err, agenterrors.ShortRead, "读取地址/命令码")
	}

	payload, rest, err := decodeBody(r, head, spec)
	return payload, consumed + rest, err
}

// DecodeFrame 从r中读取地址和命令码，在table中解析响应格式后完成解码
// 命令码未注册时返回UnknownCommand且不再继续读取——
// 剩余帧长此时无法确定，调用方必须重新同步链路。
func DecodeFrame(r io.Reader, table SpecTable) (address, command byte, payload []byte, consumed int, err error) {
	head := make([]byte, 2)
	n, err := io.ReadFull(r, head)
	consumed += n
	if err != nil {
		return 0, 0, nil, consumed, agenterrors.Wrap(err, agenterrors.ShortRead, "读取地址/命令码")
	}
	address, command = head[0], head[1]

	spec, ok := table[command]
	if !ok {
		return address, command, nil, consumed, agenterrors.Newf(agenterrors.UnknownCommand, "命令 0x%02X", command)
	}

	payload, rest, err := decodeBody(r, head, spec)
	return address, command, payload, consumed + rest, err
}

// decodeBody 读取帧体并对head+帧体校验CRC
// head为已消费的地址/命令码字节，CRC覆盖head、长度字节和负载。
func decodeBody(r io.Reader, head []byte, spec CommandSpec) (payload []byte, consumed int, err error) {
	bodyLen := spec.FixedPayloadLen
	var lenByte []byte
	if spec.LengthPrefixed {
		lenByte = make([]byte, 1)
		n, err := io.ReadFull(r, lenByte)
		consumed += n
		if err != nil {
			return nil, consumed, agenterrors.Wrap(err, agenterrors.ShortRead, "读取长度字节")
		}
		bodyLen = int(lenByte[0])
	}
	if bodyLen > MaxPayloadLen {
		return nil, consumed, agenterrors.Newf(agenterrors.FrameTooLong, "负载长度 %d", bodyLen)
	}

	payload = make([]byte, bodyLen)
	if bodyLen > 0 {
		n, err := io.ReadFull(r, payload)
		consumed += n
		if err != nil {
			return nil, consumed, agenterrors.Wrap(err, agenterrors.ShortRead, "读取负载")
		}
	}

	crcBytes := make([]byte, 2)
	n, err := io.ReadFull(r, crcBytes)
	consumed += n
	if err != nil {
		return nil, consumed, agenterrors.Wrap(err, agenterrors.ShortRead, "读取CRC")
	}
	wantCRC := binary.LittleEndian.Uint16(crcBytes)

	body := make([]byte, 0, len(head)+1+bodyLen)
	body = append(body, head...)
	body = append(body, lenByte...)
	body = append(body, payload...)
	gotCRC := CRC16Kermit(body)

	if gotCRC != wantCRC {
		return nil, consumed, agenterrors.Newf(agenterrors.BadCRC, "calc=0x%04X recv=0x%04X", gotCRC, wantCRC)
	}
	return payload, consumed, nil
}
