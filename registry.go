package relayd

import "fmt"

// FrontendConstructor builds a Frontend from its spec and the shared
// collaborators it needs at runtime. Concrete constructors live in
// package frontend and self-register via RegisterFrontendKind, mirroring
// the teacher's RegisterModule/init() side-effect registration pattern
// (modules.go) so that this root package never has to import the
// frontend package directly -- avoiding an import cycle (frontend needs
// the types and interfaces defined here).
type FrontendConstructor func(spec FrontendSpec, fctx FrontendContext) (Frontend, error)

var frontendKinds = map[Mode]FrontendConstructor{}

// RegisterFrontendKind registers the constructor for a Mode. It must be
// called from an init() function, typically as a side effect of
// blank-importing package frontend. Panics on duplicate registration,
// matching the teacher's RegisterModule panic-on-conflict behavior.
func RegisterFrontendKind(mode Mode, ctor FrontendConstructor) {
	if _, ok := frontendKinds[mode]; ok {
		panic(fmt.Sprintf("relayd: frontend kind %q already registered", mode))
	}
	frontendKinds[mode] = ctor
}

// newFrontend dispatches to the registered constructor for spec.Mode.
func newFrontend(spec FrontendSpec, fctx FrontendContext) (Frontend, error) {
	ctor, ok := frontendKinds[spec.Mode]
	if !ok {
		return nil, &Error{Kind: ConfigInvalid, Frontend: spec.Name, Err: fmt.Errorf("no frontend registered for mode %q", spec.Mode)}
	}
	return ctor(spec, fctx)
}
