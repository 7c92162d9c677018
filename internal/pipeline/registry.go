package pipeline

// Stage is one ordered phase of the pipeline.
type Stage struct {
	Number int
	Name   string
}

// LastStageNumber is the number of the final stage.
const LastStageNumber = 9

// stages is the fixed, ordered list of pipeline stages. Loaded once, never
// mutated at runtime.
var stages = []Stage{
	{1, "intake"},
	{2, "rights"},
	{3, "lexicon"},
	{4, "pools"},
	{5, "graph"},
	{6, "embeddings"},
	{7, "literacy"},
	{8, "deliverables"},
	{9, "fine_tune_dataset"},
}

// FirstStage returns the first pipeline stage.
func FirstStage() Stage { return stages[0] }

// AllStages returns the ordered stage list.
func AllStages() []Stage { return stages }

// StageByNumber resolves a stage by its 1-based number.
func StageByNumber(n int) (Stage, bool) {
	if n < 1 || n > len(stages) {
		return Stage{}, false
	}
	return stages[n-1], true
}

// StageByName resolves a stage by name.
func StageByName(name string) (Stage, bool) {
	for _, s := range stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// NextStage returns the stage after number n, or false if n is the last.
func NextStage(n int) (Stage, bool) {
	return StageByNumber(n + 1)
}

// InitialStageStatuses returns a fresh stage-status map with every stage
// pending, for run creation.
func InitialStageStatuses() map[string]string {
	m := make(map[string]string, len(stages))
	for _, s := range stages {
		m[s.Name] = StagePending
	}
	return m
}

// Registry binds stage numbers to their workers. Populated once at process
// start; read-only afterwards.
type Registry struct {
	workers map[int]StageWorker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[int]StageWorker, len(stages))}
}

// Register binds a worker to a stage number. Registering an unknown stage
// number or double-registering a stage panics: both are wiring bugs that
// should stop the process at startup, not at dispatch time.
func (r *Registry) Register(number int, w StageWorker) {
	if _, ok := StageByNumber(number); !ok {
		panic("pipeline: register worker for unknown stage number")
	}
	if _, dup := r.workers[number]; dup {
		panic("pipeline: worker already registered for stage")
	}
	r.workers[number] = w
}

// Worker returns the worker bound to a stage number.
func (r *Registry) Worker(number int) (StageWorker, bool) {
	w, ok := r.workers[number]
	return w, ok
}
