package safety

// Resolve maps an incident trigger to its escalation level and ordered action
// list. It is pure and deterministic: the same (type, silent) pair always
// yields the same outcome, and a higher level's action set is a superset of
// every lower level's set.
//
// Safe word activations are treated as non-silent regardless of the flag on
// the request: speaking the phrase is an explicit call for help.
func Resolve(incidentType IncidentType, silent bool) (Level, []Action, bool) {
	if incidentType == IncidentSafeWord {
		silent = false
	}

	var level Level
	switch incidentType {
	case IncidentManualReport:
		level = LevelMedium
	case IncidentCheckInMissed:
		level = LevelHigh
	case IncidentPanicButton, IncidentSafeWord:
		level = LevelCritical
	default:
		level = LevelLow
	}

	return level, ActionsFor(level, silent), silent
}

// ActionsFor returns the ordered action list for a level. Each level carries
// everything the levels below it carry plus its own additions, so escalation
// can only ever add response steps.
func ActionsFor(level Level, silent bool) []Action {
	actions := []Action{ActionLogIncident}
	if level >= LevelMedium {
		actions = append(actions, ActionNotifySupport, ActionNotifyTrustedFriends)
	}
	if level >= LevelHigh {
		actions = append(actions, ActionContactEmergencyContacts, ActionLockAccount)
	}
	if level >= LevelCritical {
		actions = append(actions, ActionPreserveEvidence)
		if !silent {
			actions = append(actions, ActionPrepareLawEnforcement)
		}
	}
	return actions
}
