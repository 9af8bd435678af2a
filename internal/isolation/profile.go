// Package isolation constructs the worker isolation profile: namespaces,
// mount view, Landlock ruleset, seccomp filter, and cgroup limits, applied in
// a fixed order where each step is a hard precondition for the next. Any step
// failing aborts the whole profile; a worker never runs with a weaker profile
// than configured.
//
// The steps straddle the process boundary. The parent contributes namespace
// flags and the cgroup fd at clone time, so no worker instruction ever runs
// outside its namespaces or resource limits. The child applies the remaining
// steps on itself before reading any job byte.
package isolation

// Step names, in application order. Reported verbatim in setup failures.
const (
	StepNamespaces = "namespaces"
	StepMounts     = "mounts"
	StepLandlock   = "landlock"
	StepSeccomp    = "seccomp"
	StepCgroup     = "cgroup"
)

// ChildSteps lists the steps the worker process applies on itself, in order.
// Namespaces and the cgroup bind at clone time and are not in this list.
func ChildSteps() []string {
	return []string{StepMounts, StepLandlock, StepSeccomp}
}
