package models

// Options controls the humanized pre-actions performed before a send.
type Options struct {
	DelayTyping      bool `json:"delay_typing"`
	MarkSeenPrevious bool `json:"mark_seen_previous"`
	ViewProfile      bool `json:"view_profile"`
	ViewStories      bool `json:"view_stories"`
	SafeMode         bool `json:"safe_mode"`
}

// DefaultOptions returns the options applied to an account that never set any.
func DefaultOptions() Options {
	return Options{
		DelayTyping:      true,
		MarkSeenPrevious: true,
		ViewProfile:      false,
		ViewStories:      false,
		SafeMode:         true,
	}
}

// OptionsPatch is a partial options record. Nil fields keep the current value.
type OptionsPatch struct {
	DelayTyping      *bool `json:"delay_typing,omitempty"`
	MarkSeenPrevious *bool `json:"mark_seen_previous,omitempty"`
	ViewProfile      *bool `json:"view_profile,omitempty"`
	ViewStories      *bool `json:"view_stories,omitempty"`
	SafeMode         *bool `json:"safe_mode,omitempty"`
}

// Apply returns a copy of o with the non-nil fields of the patch applied.
func (o Options) Apply(p OptionsPatch) Options {
	if p.DelayTyping != nil {
		o.DelayTyping = *p.DelayTyping
	}
	if p.MarkSeenPrevious != nil {
		o.MarkSeenPrevious = *p.MarkSeenPrevious
	}
	if p.ViewProfile != nil {
		o.ViewProfile = *p.ViewProfile
	}
	if p.ViewStories != nil {
		o.ViewStories = *p.ViewStories
	}
	if p.SafeMode != nil {
		o.SafeMode = *p.SafeMode
	}
	return o
}

// IsZero reports whether the patch carries no fields.
func (p OptionsPatch) IsZero() bool {
	return p.DelayTyping == nil && p.MarkSeenPrevious == nil &&
		p.ViewProfile == nil && p.ViewStories == nil && p.SafeMode == nil
}
