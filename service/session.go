package service

import (
	"fmt"
	"slices"

	ort "github.com/yalue/onnxruntime_go"
)

type SessionConfig struct {
	ModelPath      string
	InputName      string
	OutputName     string
	Dimensions     int
	IntraOpThreads int
}

// ortSession binds one input and one output tensor to an AdvancedSession, so
// a forward pass is copy-in, Run, copy-out.
type ortSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewORTSession loads the model and checks its input/output contract. The
// ONNX Runtime environment must already be initialized.
func NewORTSession(cfg SessionConfig) (Session, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}
	in, err := findInfo(inputs, cfg.InputName)
	if err != nil {
		return nil, fmt.Errorf("model input: %w", err)
	}
	if _, err := findInfo(outputs, cfg.OutputName); err != nil {
		return nil, fmt.Errorf("model output: %w", err)
	}
	if !shapeCompatible(in.Dimensions, InputShape) {
		return nil, fmt.Errorf("model input %q has shape %v, want %v", in.Name, in.Dimensions, InputShape)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()
	if cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("failed to set graph optimization level: %w", err)
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(InputShape...), make([]float32, TensorLen))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.Dimensions)))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX Runtime session: %w", err)
	}

	return &ortSession{session: session, input: inputTensor, output: outputTensor}, nil
}

func (s *ortSession) Run(input []float32) ([]float32, error) {
	copy(s.input.GetData(), input)
	if err := s.session.Run(); err != nil {
		return nil, err
	}
	out := make([]float32, len(s.output.GetData()))
	copy(out, s.output.GetData())
	return out, nil
}

func (s *ortSession) Destroy() error {
	err := s.session.Destroy()
	s.input.Destroy()
	s.output.Destroy()
	return err
}

func findInfo(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, error) {
	i := slices.IndexFunc(infos, func(info ort.InputOutputInfo) bool { return info.Name == name })
	if i < 0 {
		names := make([]string, len(infos))
		for j, info := range infos {
			names[j] = info.Name
		}
		return ort.InputOutputInfo{}, fmt.Errorf("%q not found, model has %v", name, names)
	}
	return infos[i], nil
}

// shapeCompatible treats non-positive model dimensions as dynamic.
func shapeCompatible(model ort.Shape, want []int64) bool {
	if len(model) != len(want) {
		return false
	}
	for i, d := range model {
		if d > 0 && d != want[i] {
			return false
		}
	}
	return true
}
