package core

// FragmentRenderer renders the source of one dynamic region for one request.
// Marker text inside the source has no special meaning to the caller;
// the renderer treats it as it would in a complete document body.
type FragmentRenderer interface {
	RenderFragment(rc *RenderContext, source string) (string, error)
}

// FragmentRendererFunc adapts a function to FragmentRenderer.
type FragmentRendererFunc func(rc *RenderContext, source string) (string, error)

func (f FragmentRendererFunc) RenderFragment(rc *RenderContext, source string) (string, error) {
	return f(rc, source)
}
