package opcda

import (
	"fmt"

	"github.com/rs/zerolog"
)

// browser walks one server's namespace. It owns the server-side browse
// position cursor for the duration of the walk: every descent is paired
// with a move back up, and a failed move up aborts the whole walk because
// the cursor can no longer be trusted.
type browser struct {
	srv    Server
	sink   *BrowseSink
	limits Limits
	log    zerolog.Logger
	found  int
}

// browseTags discovers every leaf tag ID the server will admit to, bounded
// by limits. Tags are streamed into sink as they are found; the returned
// slice is the complete result for callers that waited for the walk.
func browseTags(srv Server, sink *BrowseSink, limits Limits, log zerolog.Logger) ([]string, error) {
	b := &browser{srv: srv, sink: sink, limits: limits.withDefaults(), log: log}

	org, err := srv.Organization()
	if err != nil {
		return nil, fmt.Errorf("query namespace organization: %w", err)
	}
	b.log.Debug().Stringer("organization", org).Msg("browse: starting")

	if org == OrgFlat {
		if err := b.collectFlat(); err != nil {
			return nil, err
		}
		return sink.Snapshot(), nil
	}

	// Many nominally hierarchical servers also answer a flat enumeration,
	// which is far cheaper than walking the tree. Probe it first and fall
	// back to the walk if the server refuses or returns nothing usable.
	flat, err := b.tryFastFlat()
	if err != nil {
		return nil, err
	}
	if flat {
		return sink.Snapshot(), nil
	}

	if err := b.walk("", 0); err != nil {
		return nil, err
	}
	return sink.Snapshot(), nil
}

// collectFlat consumes a flat enumeration at the current position.
func (b *browser) collectFlat() error {
	it, err := b.srv.BrowseItemIDs(BrowseFlat, "")
	if err != nil {
		return fmt.Errorf("flat enumeration: %w", err)
	}
	defer it.Release()

	for it.Next() {
		if b.found >= b.limits.MaxTags {
			b.log.Warn().Int("max_tags", b.limits.MaxTags).Msg("browse: tag cap reached, stopping")
			return nil
		}
		b.push(it.Value())
	}
	return it.Err()
}

// tryFastFlat attempts the flat shortcut on a hierarchical server. Failure
// before anything has reached the sink is recoverable and selects the
// recursive walk; once entries have streamed out, a failure is a failure.
func (b *browser) tryFastFlat() (bool, error) {
	it, err := b.srv.BrowseItemIDs(BrowseFlat, "")
	if err != nil {
		b.log.Debug().Err(err).Msg("browse: flat shortcut refused, walking tree")
		return false, nil
	}
	defer it.Release()

	// Probe for at least one real entry before committing: some servers
	// accept the flat request and then hand back an empty enumeration.
	if !it.Next() {
		if err := it.Err(); err != nil {
			b.log.Debug().Err(err).Msg("browse: flat shortcut enumeration failed, walking tree")
		} else {
			b.log.Debug().Msg("browse: flat shortcut returned no entries, walking tree")
		}
		return false, nil
	}
	b.push(it.Value())

	for it.Next() {
		if b.found >= b.limits.MaxTags {
			b.log.Warn().Int("max_tags", b.limits.MaxTags).Msg("browse: tag cap reached, stopping")
			return true, nil
		}
		b.push(it.Value())
	}
	if err := it.Err(); err != nil {
		return true, fmt.Errorf("flat enumeration: %w", err)
	}
	return true, nil
}

// walk performs the depth-first traversal from the current browse
// position: branches first, leaves after, so parent paths are complete
// before their tags are emitted.
func (b *browser) walk(at string, depth int) error {
	if b.found >= b.limits.MaxTags {
		return nil
	}
	if depth > b.limits.MaxDepth {
		b.log.Warn().Str("branch", at).Int("max_depth", b.limits.MaxDepth).
			Msg("browse: depth cap reached, not descending further")
		return nil
	}

	// A branch listing failure is fatal: the walk cannot know what part of
	// the tree it just lost, so a partial result here would be silently
	// wrong rather than merely incomplete.
	branches, err := b.names(BrowseBranches)
	if err != nil {
		return fmt.Errorf("branch enumeration at %q: %w", at, err)
	}

	for _, name := range branches {
		if b.found >= b.limits.MaxTags {
			return nil
		}
		if err := b.srv.ChangePosition(BrowseDown, name); err != nil {
			b.log.Warn().Str("branch", name).Err(err).Msg("browse: cannot descend, skipping branch")
			continue
		}
		walkErr := b.walk(join(at, name), depth+1)
		// The move back up happens no matter how the subtree went. If it
		// fails, the cursor is in an unknown place and continuing would
		// attribute tags to wrong paths.
		if err := b.srv.ChangePosition(BrowseUp, ""); err != nil {
			return &NavigationError{Branch: name, Err: err}
		}
		if walkErr != nil {
			return walkErr
		}
	}

	leaves, err := b.names(BrowseLeaves)
	if err != nil {
		b.log.Warn().Str("branch", at).Err(err).Msg("browse: leaf enumeration failed, skipping")
		return nil
	}
	for _, name := range leaves {
		if b.found >= b.limits.MaxTags {
			b.log.Warn().Int("max_tags", b.limits.MaxTags).Msg("browse: tag cap reached, stopping")
			return nil
		}
		b.push(b.resolve(name))
	}
	return nil
}

// names drains one enumeration at the current position into a slice. The
// cursor moves during descent, so branch names must be collected before
// any ChangePosition call.
func (b *browser) names(bt BrowseType) ([]string, error) {
	it, err := b.srv.BrowseItemIDs(bt, "")
	if err != nil {
		return nil, err
	}
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, it.Value())
	}
	return out, it.Err()
}

// resolve maps a leaf browse name to its fully qualified item ID. Servers
// that refuse the lookup usually accept the browse name directly, so that
// is the fallback rather than dropping the tag.
func (b *browser) resolve(browseName string) string {
	id, err := b.srv.ItemID(browseName)
	if err != nil || id == "" {
		b.log.Debug().Str("name", browseName).Err(err).Msg("browse: item ID lookup failed, using browse name")
		return browseName
	}
	return id
}

func (b *browser) push(tagID string) {
	b.sink.Push(tagID)
	b.found++
}

func join(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}
