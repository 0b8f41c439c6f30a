package token

// MergeSteps reconciles a token's persisted steps with the automation's
// current declared metadata for a resume.
//
// The merged list always follows declared order, titles and file names
// (metadata is authoritative for everything except progress). Progress
// carries over from the persisted steps:
//   - when both sides carry a stable StepID, steps are matched by id, so
//     inserting a step mid-list no longer shifts statuses onto the wrong
//     steps;
//   - steps without ids fall back to positional identity, the original
//     contract for metadata that never declared ids.
//
// A declared step with no persisted counterpart starts pending.
func MergeSteps(persisted, declared []Step) []Step {
	byID := make(map[string]Step, len(persisted))
	for _, s := range persisted {
		if s.StepID != "" {
			byID[s.StepID] = s
		}
	}

	merged := make([]Step, len(declared))
	for i, d := range declared {
		m := d
		m.Status = StepPending
		m.Error = ""

		if d.StepID != "" {
			if p, ok := byID[d.StepID]; ok {
				m.Status = p.Status
				m.Error = p.Error
			}
		} else if i < len(persisted) && persisted[i].StepID == "" {
			m.Status = persisted[i].Status
			m.Error = persisted[i].Error
		}

		merged[i] = m
	}
	return merged
}
