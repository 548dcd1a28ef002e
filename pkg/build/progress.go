package build

// Phase is a coarse step reported to the progress sink
type Phase string

const (
	PhasePrerequisites Phase = "checking prerequisites"
	PhasePackaging     Phase = "packaging"
	PhaseValidating    Phase = "validating"
	PhaseUploading     Phase = "uploading"
	PhaseDone          Phase = "done"
)

// Event is one progress notification
type Event struct {
	BuildID string
	Phase   Phase
	Message string
}

// ProgressSink receives events synchronously at phase boundaries. It must
// not block for long.
type ProgressSink interface {
	Progress(Event)
}

// ProgressFunc adapts a function to ProgressSink
type ProgressFunc func(Event)

func (f ProgressFunc) Progress(e Event) {
	f(e)
}

type discardProgress struct{}

func (discardProgress) Progress(Event) {}
