package creative

import "fmt"

// actionRule describes how one action type becomes a transformation.
// A non-empty unsupported string makes the action always fail resolution.
type actionRule struct {
	minTargets  int
	unsupported string
	transform   func() Transformation
}

// actionTable is the single source of truth for action semantics. A new
// ActionType must be added here (and to AllActions) and nowhere else.
var actionTable = map[ActionType]actionRule{
	ActionRemoveSegment: {
		minTargets: 1,
		transform:  func() Transformation { return Transformation{Remove: true} },
	},
	ActionCompressSegment: {
		minTargets: 1,
		transform: func() Transformation {
			return Transformation{
				SpeedMultiplier:  float64Ptr(1.25),
				TrimPercentStart: float64Ptr(0.1),
				TrimPercentEnd:   float64Ptr(0.1),
			}
		},
	},
	ActionEmphasizeSegment: {
		minTargets: 1,
		transform:  func() Transformation { return Transformation{SpeedMultiplier: float64Ptr(0.9)} },
	},
	ActionReorderSegments: {
		minTargets: 1,
		transform:  func() Transformation { return Transformation{TimelineOffsetMs: intPtr(ReorderSentinel)} },
	},
	ActionReplaceSegment: {
		minTargets:  1,
		unsupported: "replace_segment requires an external replacement asset, which is not supported",
	},
	ActionSplitSegment: {
		minTargets: 1,
		transform:  func() Transformation { return Transformation{TrimPercentEnd: float64Ptr(0.5)} },
	},
	ActionMergeSegments: {
		minTargets: 2,
		transform:  func() Transformation { return Transformation{} },
	},
}

// AllActions lists every known action type in declaration order.
var AllActions = []ActionType{
	ActionRemoveSegment,
	ActionCompressSegment,
	ActionEmphasizeSegment,
	ActionReorderSegments,
	ActionReplaceSegment,
	ActionSplitSegment,
	ActionMergeSegments,
}

// Resolve binds idea to the segments whose type matches its target. It is a
// pure function of its inputs. Failures are reported in the returned value,
// never as an error: they are modelling mismatches and retrying cannot help.
func Resolve(idea VariationIdea, segments []Segment) ResolvedAction {
	ra := ResolvedAction{
		ActionID:       fmt.Sprintf("%s:%s", idea.ID, idea.Action),
		SourceAction:   idea.Action,
		TargetSegments: []string{},
	}

	for _, s := range segments {
		if s.Type == idea.TargetSegmentType {
			ra.TargetSegments = append(ra.TargetSegments, s.ID)
		}
	}

	if len(ra.TargetSegments) == 0 {
		ra.ResolutionError = fmt.Sprintf("no segments of type %q found for action %q", idea.TargetSegmentType, idea.Action)
		return ra
	}

	rule, ok := actionTable[idea.Action]
	if !ok {
		ra.ResolutionError = fmt.Sprintf("unknown action type %q", idea.Action)
		return ra
	}
	if rule.unsupported != "" {
		ra.ResolutionError = rule.unsupported
		return ra
	}
	if len(ra.TargetSegments) < rule.minTargets {
		ra.ResolutionError = fmt.Sprintf("%s requires at least %d segments of type %q, found %d",
			idea.Action, rule.minTargets, idea.TargetSegmentType, len(ra.TargetSegments))
		return ra
	}

	ra.Transformation = rule.transform()
	ra.Resolved = true
	return ra
}

func float64Ptr(v float64) *float64 { return &v }
func intPtr(v int) *int             { return &v }
