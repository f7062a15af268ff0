package checkpoints

import (
	"bytes"
	"maps"
	"slices"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/warninglights/model"
	"github.com/tsawler/warninglights/optimizer"
	"github.com/tsawler/warninglights/tensor"
	"github.com/tsawler/warninglights/vision/preprocessing"
	"github.com/tsawler/warninglights/wire"
)

// magic starts every checkpoint file; the body is a protobuf-wire message.
var magic = []byte("WLCKPT\x00\x01")

// Checkpoint record fields.
const (
	fieldVersion        = 1
	fieldRunID          = 2
	fieldEpoch          = 3
	fieldModelConfig    = 4
	fieldModelState     = 5
	fieldOptimizerState = 6
	fieldTrainAcc       = 7
	fieldValAcc         = 8
	fieldTrainLoss      = 9
	fieldValLoss        = 10
	fieldNumClasses     = 11
	fieldClassHash      = 12
	fieldClassNames     = 13
	fieldPreprocessing  = 14
	fieldCreatedAt      = 15
)

// Marshal encodes c. It does not validate.
func Marshal(c *Checkpoint) []byte {
	b := append([]byte(nil), magic...)
	b = wire.AppendUint(b, fieldVersion, uint64(c.FormatVersion))
	b = wire.AppendString(b, fieldRunID, c.RunID)
	b = wire.AppendInt(b, fieldEpoch, int64(c.Epoch))
	b = wire.AppendMessage(b, fieldModelConfig, marshalModelConfig(c.ModelConfig))
	for _, e := range c.ModelState {
		b = wire.AppendMessage(b, fieldModelState, marshalTensor(e))
	}
	if c.OptimizerState != nil {
		b = wire.AppendMessage(b, fieldOptimizerState, marshalOptimizerState(c.OptimizerState))
	}
	b = wire.AppendFloat64(b, fieldTrainAcc, c.TrainAcc)
	b = wire.AppendFloat64(b, fieldValAcc, c.ValAcc)
	b = wire.AppendFloat64(b, fieldTrainLoss, c.TrainLoss)
	b = wire.AppendFloat64(b, fieldValLoss, c.ValLoss)
	b = wire.AppendInt(b, fieldNumClasses, int64(c.NumClasses))
	b = wire.AppendString(b, fieldClassHash, c.ClassHash)
	for _, name := range c.ClassNames {
		b = wire.AppendString(b, fieldClassNames, name)
	}
	b = wire.AppendMessage(b, fieldPreprocessing, marshalPreprocessing(c.Preprocessing))
	if !c.CreatedAt.IsZero() {
		b = wire.AppendInt(b, fieldCreatedAt, c.CreatedAt.UnixNano())
	}
	return b
}

// Unmarshal decodes a record produced by Marshal and validates it. Every failure wraps ErrMalformed.
func Unmarshal(data []byte) (*Checkpoint, error) {
	if !bytes.HasPrefix(data, magic) {
		return nil, errors.Wrap(ErrMalformed, "missing checkpoint header")
	}
	c := &Checkpoint{}
	err := wire.Walk(data[len(magic):], func(f wire.Field) error {
		var err error
		switch f.Num {
		case fieldVersion:
			var v uint64
			v, err = f.Uint()
			c.FormatVersion = int(v)
		case fieldRunID:
			c.RunID, err = f.Text()
		case fieldEpoch:
			var v int64
			v, err = f.Int()
			c.Epoch = int(v)
		case fieldModelConfig:
			c.ModelConfig, err = unmarshalModelConfig(f)
		case fieldModelState:
			var e tensor.NamedTensor
			if e, err = unmarshalTensor(f); err == nil {
				c.ModelState = append(c.ModelState, e)
			}
		case fieldOptimizerState:
			c.OptimizerState, err = unmarshalOptimizerState(f)
		case fieldTrainAcc:
			c.TrainAcc, err = f.Float64()
		case fieldValAcc:
			c.ValAcc, err = f.Float64()
		case fieldTrainLoss:
			c.TrainLoss, err = f.Float64()
		case fieldValLoss:
			c.ValLoss, err = f.Float64()
		case fieldNumClasses:
			var v int64
			v, err = f.Int()
			c.NumClasses = int(v)
		case fieldClassHash:
			c.ClassHash, err = f.Text()
		case fieldClassNames:
			var name string
			if name, err = f.Text(); err == nil {
				c.ClassNames = append(c.ClassNames, name)
			}
		case fieldPreprocessing:
			c.Preprocessing, err = unmarshalPreprocessing(f)
		case fieldCreatedAt:
			var v int64
			if v, err = f.Int(); err == nil {
				c.CreatedAt = time.Unix(0, v).UTC()
			}
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func marshalModelConfig(cfg model.Config) []byte {
	var b []byte
	b = wire.AppendInt(b, 1, int64(cfg.NumClasses))
	b = wire.AppendString(b, 2, cfg.Backbone)
	b = wire.AppendFloat64(b, 3, cfg.DropoutRate)
	b = wire.AppendFloat64(b, 4, cfg.HeadDropoutRate)
	b = wire.AppendInt(b, 5, int64(cfg.ImageSize))
	b = wire.AppendBool(b, 6, cfg.Pretrained)
	return b
}

func unmarshalModelConfig(f wire.Field) (model.Config, error) {
	var cfg model.Config
	msg, err := f.Bytes()
	if err != nil {
		return cfg, err
	}
	err = wire.Walk(msg, func(f wire.Field) error {
		var err error
		var v int64
		switch f.Num {
		case 1:
			v, err = f.Int()
			cfg.NumClasses = int(v)
		case 2:
			cfg.Backbone, err = f.Text()
		case 3:
			cfg.DropoutRate, err = f.Float64()
		case 4:
			cfg.HeadDropoutRate, err = f.Float64()
		case 5:
			v, err = f.Int()
			cfg.ImageSize = int(v)
		case 6:
			cfg.Pretrained, err = f.Bool()
		}
		return err
	})
	return cfg, err
}

func marshalTensor(e tensor.NamedTensor) []byte {
	shape := make([]int64, len(e.Shape))
	for i, d := range e.Shape {
		shape[i] = int64(d)
	}
	var b []byte
	b = wire.AppendString(b, 1, e.Name)
	b = wire.AppendPackedInt64s(b, 2, shape)
	b = wire.AppendPackedFloat32s(b, 3, e.Data)
	return b
}

func unmarshalTensor(f wire.Field) (tensor.NamedTensor, error) {
	var e tensor.NamedTensor
	msg, err := f.Bytes()
	if err != nil {
		return e, err
	}
	var shape []int64
	err = wire.Walk(msg, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			e.Name, err = f.Text()
		case 2:
			shape, err = f.Int64s(shape)
		case 3:
			e.Data, err = f.Float32s(e.Data)
		}
		return err
	})
	if err != nil {
		return e, err
	}
	if len(shape) > 0 {
		e.Shape = make([]int, len(shape))
		for i, d := range shape {
			e.Shape[i] = int(d)
		}
	}
	return e, nil
}

func marshalOptimizerState(s *optimizer.OptimizerState) []byte {
	var b []byte
	b = wire.AppendString(b, 1, s.Type)
	b = wire.AppendInt(b, 2, s.Step)
	for _, key := range slices.Sorted(maps.Keys(s.Parameters)) {
		var p []byte
		p = wire.AppendString(p, 1, key)
		p = wire.AppendFloat64(p, 2, s.Parameters[key])
		b = wire.AppendMessage(b, 3, p)
	}
	for _, e := range s.StateData {
		b = wire.AppendMessage(b, 4, marshalTensor(e))
	}
	return b
}

func unmarshalOptimizerState(f wire.Field) (*optimizer.OptimizerState, error) {
	msg, err := f.Bytes()
	if err != nil {
		return nil, err
	}
	s := &optimizer.OptimizerState{}
	err = wire.Walk(msg, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			s.Type, err = f.Text()
		case 2:
			s.Step, err = f.Int()
		case 3:
			var key string
			var value float64
			var p []byte
			if p, err = f.Bytes(); err != nil {
				return err
			}
			err = wire.Walk(p, func(f wire.Field) error {
				var err error
				switch f.Num {
				case 1:
					key, err = f.Text()
				case 2:
					value, err = f.Float64()
				}
				return err
			})
			if s.Parameters == nil {
				s.Parameters = make(map[string]float64)
			}
			s.Parameters[key] = value
		case 4:
			var e tensor.NamedTensor
			if e, err = unmarshalTensor(f); err == nil {
				s.StateData = append(s.StateData, e)
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func marshalPreprocessing(p preprocessing.Config) []byte {
	var b []byte
	b = wire.AppendInt(b, 1, int64(p.ImageSize))
	b = wire.AppendPackedFloat32s(b, 2, p.Mean[:])
	b = wire.AppendPackedFloat32s(b, 3, p.Std[:])
	return b
}

func unmarshalPreprocessing(f wire.Field) (preprocessing.Config, error) {
	var p preprocessing.Config
	msg, err := f.Bytes()
	if err != nil {
		return p, err
	}
	var mean, std []float32
	err = wire.Walk(msg, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			var v int64
			v, err = f.Int()
			p.ImageSize = int(v)
		case 2:
			mean, err = f.Float32s(mean)
		case 3:
			std, err = f.Float32s(std)
		}
		return err
	})
	if err != nil {
		return p, err
	}
	if len(mean) != 3 || len(std) != 3 {
		return p, errors.Errorf("normalization needs 3 channels, got mean %d std %d", len(mean), len(std))
	}
	copy(p.Mean[:], mean)
	copy(p.Std[:], std)
	return p, nil
}
