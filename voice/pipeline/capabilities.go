package pipeline

// Capabilities 当前实例可提供的能力。
type Capabilities struct {
	Recognition bool   `json:"recognition"`
	Generation  bool   `json:"generation"`
	Synthesis   bool   `json:"synthesis"`
	Streaming   bool   `json:"streaming"`
	FFmpeg      bool   `json:"ffmpeg"`
	Model       string `json:"model,omitempty"`
	Voice       string `json:"voice,omitempty"`
}

type configurable interface {
	Configured() bool
}

func configured(v any) bool {
	if v == nil {
		return false
	}
	if c, ok := v.(configurable); ok {
		return c.Configured()
	}
	return true
}

// Capabilities 汇总各阶段配置情况。
func (o *Orchestrator) Capabilities() Capabilities {
	c := Capabilities{
		Recognition: configured(o.recognizer),
		Generation:  configured(o.generator),
		Synthesis:   configured(o.synthesizer),
	}
	c.Streaming = c.Recognition && c.Generation && c.Synthesis
	if o.ffmpeg != nil {
		c.FFmpeg = o.ffmpeg()
	}
	if m, ok := o.generator.(interface{ Model() string }); ok {
		c.Model = m.Model()
	}
	if v, ok := o.synthesizer.(interface{ Voice() string }); ok {
		c.Voice = v.Voice()
	}
	return c
}
