package encoder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"

	"github.com/langchou/busrelay/internal/models"
	"github.com/langchou/busrelay/pkg/ws"
)

// DefaultLevel 压缩级别，偏向速度
const DefaultLevel = 3

// Encoder 每条更新只序列化和压缩一次，结果由所有观察端共享
type Encoder struct {
	logger   *zap.Logger
	compress func([]byte) ([]byte, error)
	writers  sync.Pool
}

// New 创建编码器
func New(level int, logger *zap.Logger) (*Encoder, error) {
	if _, err := zlib.NewWriterLevel(io.Discard, level); err != nil {
		return nil, fmt.Errorf("invalid compression level %d: %w", level, err)
	}

	e := &Encoder{logger: logger.With(zap.String("component", "encoder"))}
	e.writers.New = func() interface{} {
		w, _ := zlib.NewWriterLevel(nil, level)
		return w
	}
	e.compress = e.deflate
	return e, nil
}

// Encode 编码更新消息。压缩失败时退回未压缩的文本帧
func (e *Encoder) Encode(update models.Update) (ws.Frame, error) {
	data, err := json.Marshal(update)
	if err != nil {
		return ws.Frame{}, fmt.Errorf("marshal update: %w", err)
	}

	compressed, err := e.compress(data)
	if err != nil {
		e.logger.Warn("Compression failed, broadcasting uncompressed", zap.Error(err), zap.Int("size", len(data)))
		return ws.Frame{Type: websocket.TextMessage, Data: data}, nil
	}

	return ws.Frame{Type: websocket.BinaryMessage, Data: compressed}, nil
}

func (e *Encoder) deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := e.writers.Get().(*zlib.Writer)
	defer e.writers.Put(zw)

	zw.Reset(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode 解码广播帧，二进制帧先解压
func Decode(frame ws.Frame) (models.Update, error) {
	var update models.Update

	data := frame.Data
	if frame.Type == websocket.BinaryMessage {
		zr, err := zlib.NewReader(bytes.NewReader(frame.Data))
		if err != nil {
			return update, fmt.Errorf("open zlib stream: %w", err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return update, fmt.Errorf("inflate: %w", err)
		}
	}

	if err := json.Unmarshal(data, &update); err != nil {
		return update, fmt.Errorf("unmarshal update: %w", err)
	}
	return update, nil
}
