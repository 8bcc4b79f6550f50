package training

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/lab/crystalline/internal/model"
	"github.com/lab/crystalline/internal/xerrors"
)

const (
	checkpointMagic   = "CLLM"
	checkpointVersion = uint32(1)
)

// WriteCheckpoint serializes params and the optimizer's Adam state to w in
// the exact wire order required for bit-for-bit reload: magic, version,
// shape header, embedding, per-layer tensors in a fixed order, then the
// trailing Adam step and moment buffers.
func WriteCheckpoint(w io.Writer, p *model.Params, opt *model.Optimizer) error {
	bw := bufio.NewWriter(w)

	if _, err := bw.WriteString(checkpointMagic); err != nil {
		return xerrors.New(xerrors.KindIO, "write checkpoint magic", err.Error())
	}
	fields := []any{
		checkpointVersion,
		uint32(p.Shape.VocabSize),
		uint64(p.Shape.EmbedDim),
		uint32(p.Shape.NumLayers),
		uint32(p.Shape.NumHeads),
		uint32(p.Shape.FFNHiddenDim),
		uint32(p.Shape.ContextLen),
	}
	for _, f := range fields {
		if err := binary.Write(bw, binary.LittleEndian, f); err != nil {
			return xerrors.New(xerrors.KindIO, "write checkpoint header", err.Error())
		}
	}

	if err := writeFloats(bw, p.Embedding); err != nil {
		return err
	}
	for i := range p.Layers {
		l := &p.Layers[i]
		for _, buf := range [][]float32{l.Gamma1, l.Beta1, l.Wq, l.Wk, l.Wv, l.Gamma2, l.Beta2, l.W1, l.B1, l.W2, l.B2} {
			if err := writeFloats(bw, buf); err != nil {
				return err
			}
		}
	}

	m, v, step := opt.AdamState()
	if err := binary.Write(bw, binary.LittleEndian, uint64(step)); err != nil {
		return xerrors.New(xerrors.KindIO, "write checkpoint adam step", err.Error())
	}
	if err := writeFloats(bw, m); err != nil {
		return err
	}
	if err := writeFloats(bw, v); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return xerrors.New(xerrors.KindIO, "flush checkpoint", err.Error())
	}
	return nil
}

func writeFloats(w io.Writer, buf []float32) error {
	if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
		return xerrors.New(xerrors.KindIO, "write checkpoint tensor", err.Error())
	}
	return nil
}

// CheckpointState is what ReadCheckpoint recovers: the parameter store plus
// the Adam moments and step counter needed to resume training exactly.
type CheckpointState struct {
	Params   *model.Params
	AdamM    []float32
	AdamV    []float32
	AdamStep int
}

// ReadCheckpoint parses the wire format written by WriteCheckpoint. The
// reload is required to be exact: subsequent forward passes against the
// recovered params must match the original bit-for-bit.
func ReadCheckpoint(r io.Reader) (*CheckpointState, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(checkpointMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, xerrors.New(xerrors.KindIO, "read checkpoint magic", err.Error())
	}
	if string(magic) != checkpointMagic {
		return nil, xerrors.New(xerrors.KindIO, "bad checkpoint magic", string(magic))
	}

	var version uint32
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, xerrors.New(xerrors.KindIO, "read checkpoint version", err.Error())
	}

	var vocab, numLayers, numHeads, ffnDim, contextLen uint32
	var embedDim uint64
	if err := binary.Read(br, binary.LittleEndian, &vocab); err != nil {
		return nil, xerrors.New(xerrors.KindIO, "read vocab", err.Error())
	}
	if err := binary.Read(br, binary.LittleEndian, &embedDim); err != nil {
		return nil, xerrors.New(xerrors.KindIO, "read embed dim", err.Error())
	}
	if err := binary.Read(br, binary.LittleEndian, &numLayers); err != nil {
		return nil, xerrors.New(xerrors.KindIO, "read num layers", err.Error())
	}
	if err := binary.Read(br, binary.LittleEndian, &numHeads); err != nil {
		return nil, xerrors.New(xerrors.KindIO, "read num heads", err.Error())
	}
	if err := binary.Read(br, binary.LittleEndian, &ffnDim); err != nil {
		return nil, xerrors.New(xerrors.KindIO, "read ffn dim", err.Error())
	}
	if err := binary.Read(br, binary.LittleEndian, &contextLen); err != nil {
		return nil, xerrors.New(xerrors.KindIO, "read context len", err.Error())
	}

	shape := model.Shape{
		VocabSize:    int(vocab),
		EmbedDim:     int(embedDim),
		NumLayers:    int(numLayers),
		NumHeads:     int(numHeads),
		FFNHiddenDim: int(ffnDim),
		ContextLen:   int(contextLen),
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}

	p := model.NewGrads(shape)
	if err := readFloats(br, p.Embedding); err != nil {
		return nil, err
	}
	for i := range p.Layers {
		l := &p.Layers[i]
		for _, buf := range [][]float32{l.Gamma1, l.Beta1, l.Wq, l.Wk, l.Wv, l.Gamma2, l.Beta2, l.W1, l.B1, l.W2, l.B2} {
			if err := readFloats(br, buf); err != nil {
				return nil, err
			}
		}
	}

	var step uint64
	if err := binary.Read(br, binary.LittleEndian, &step); err != nil {
		return nil, xerrors.New(xerrors.KindIO, "read adam step", err.Error())
	}
	m := make([]float32, len(p.Embedding))
	v := make([]float32, len(p.Embedding))
	if err := readFloats(br, m); err != nil {
		return nil, err
	}
	if err := readFloats(br, v); err != nil {
		return nil, err
	}

	return &CheckpointState{Params: p, AdamM: m, AdamV: v, AdamStep: int(step)}, nil
}

func readFloats(r io.Reader, buf []float32) error {
	if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
		return xerrors.New(xerrors.KindIO, "read checkpoint tensor", err.Error())
	}
	return nil
}
