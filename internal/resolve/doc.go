// Package resolve turns the persisted agent record, discovery results and
// caller-supplied fallbacks into an immutable ConnectivityConfig.
//
// Resolve is a pure function of its Inputs apart from the optional Store
// side effect. Interactive prompting lives in the CLI, never here.
package resolve
