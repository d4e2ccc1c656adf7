package serialization

import (
	"sort"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meftunca/indexsync/pkg/config"
	"github.com/meftunca/indexsync/pkg/types"
)

// Codec defines the interface for cluster message serialization
type Codec interface {
	// Encode serializes a message to bytes
	Encode(message *types.ClusterMessage) ([]byte, error)

	// Decode deserializes bytes to a message
	Decode(data []byte) (*types.ClusterMessage, error)

	// Name returns the codec name
	Name() string

	// ContentType returns the MIME content type
	ContentType() string
}

// CodecFactory creates codecs based on configuration
type CodecFactory struct {
	codecs map[config.SerializationType]Codec
	mutex  sync.RWMutex
}

// NewCodecFactory creates a factory with the json, cbor and msgpack codecs registered
func NewCodecFactory() (*CodecFactory, error) {
	f := &CodecFactory{
		codecs: make(map[config.SerializationType]Codec),
	}

	cborCodec, err := NewCBORCodec()
	if err != nil {
		return nil, err
	}
	f.RegisterCodec(config.SerializationCBOR, cborCodec)
	f.RegisterCodec(config.SerializationJSON, NewJSONCodec())
	f.RegisterCodec(config.SerializationMsgPack, NewMsgPackCodec())

	return f, nil
}

// RegisterCodec registers a codec for a serialization type
func (f *CodecFactory) RegisterCodec(serType config.SerializationType, codec Codec) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.codecs[serType] = codec
}

// GetCodec returns a codec for the specified serialization type
func (f *CodecFactory) GetCodec(serType config.SerializationType) (Codec, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	codec, exists := f.codecs[serType]
	if !exists {
		return nil, types.NewIndexError(types.ErrCodeInvalidConfig, "unsupported serialization type").
			WithDetail("type", serType)
	}
	return codec, nil
}

// ByContentType finds the codec a peer used, based on the request header
func (f *CodecFactory) ByContentType(contentType string) (Codec, bool) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	for _, codec := range f.codecs {
		if codec.ContentType() == contentType {
			return codec, true
		}
	}
	return nil, false
}

// GetAvailableCodecs returns all available codec types
func (f *CodecFactory) GetAvailableCodecs() []config.SerializationType {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	available := make([]config.SerializationType, 0, len(f.codecs))
	for serType := range f.codecs {
		available = append(available, serType)
	}
	sort.Slice(available, func(i, j int) bool { return available[i] < available[j] })
	return available
}

// CBORCodec implements CBOR serialization
type CBORCodec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

// NewCBORCodec creates a new CBOR codec
func NewCBORCodec() (*CBORCodec, error) {
	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}
	decOpts := cbor.DecOptions{
		IndefLength: cbor.IndefLengthForbidden,
		// Peers on a newer version may add fields
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}

	encMode, err := encOpts.EncMode()
	if err != nil {
		return nil, types.ErrCodecFailure("cbor", err)
	}
	decMode, err := decOpts.DecMode()
	if err != nil {
		return nil, types.ErrCodecFailure("cbor", err)
	}

	return &CBORCodec{
		encMode: encMode,
		decMode: decMode,
	}, nil
}

func (c *CBORCodec) Encode(message *types.ClusterMessage) ([]byte, error) {
	data, err := c.encMode.Marshal(message)
	if err != nil {
		return nil, types.ErrCodecFailure("cbor", err)
	}
	return data, nil
}

func (c *CBORCodec) Decode(data []byte) (*types.ClusterMessage, error) {
	var message types.ClusterMessage
	if err := c.decMode.Unmarshal(data, &message); err != nil {
		return nil, types.ErrCodecFailure("cbor", err)
	}
	return &message, nil
}

func (c *CBORCodec) Name() string        { return "cbor" }
func (c *CBORCodec) ContentType() string { return "application/cbor" }

// JSONCodec implements JSON serialization on bytedance/sonic
type JSONCodec struct {
	api sonic.API
}

// NewJSONCodec creates a new JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{
		api: sonic.Config{EscapeHTML: true}.Froze(),
	}
}

func (j *JSONCodec) Encode(message *types.ClusterMessage) ([]byte, error) {
	data, err := j.api.Marshal(message)
	if err != nil {
		return nil, types.ErrCodecFailure("json", err)
	}
	return data, nil
}

func (j *JSONCodec) Decode(data []byte) (*types.ClusterMessage, error) {
	var message types.ClusterMessage
	if err := j.api.Unmarshal(data, &message); err != nil {
		return nil, types.ErrCodecFailure("json", err)
	}
	return &message, nil
}

func (j *JSONCodec) Name() string        { return "json" }
func (j *JSONCodec) ContentType() string { return "application/json" }

// MsgPackCodec implements MessagePack serialization
type MsgPackCodec struct{}

// NewMsgPackCodec creates a new MessagePack codec
func NewMsgPackCodec() *MsgPackCodec {
	return &MsgPackCodec{}
}

func (m *MsgPackCodec) Encode(message *types.ClusterMessage) ([]byte, error) {
	data, err := msgpack.Marshal(message)
	if err != nil {
		return nil, types.ErrCodecFailure("msgpack", err)
	}
	return data, nil
}

func (m *MsgPackCodec) Decode(data []byte) (*types.ClusterMessage, error) {
	var message types.ClusterMessage
	if err := msgpack.Unmarshal(data, &message); err != nil {
		return nil, types.ErrCodecFailure("msgpack", err)
	}
	return &message, nil
}

func (m *MsgPackCodec) Name() string        { return "msgpack" }
func (m *MsgPackCodec) ContentType() string { return "application/msgpack" }
