package sandbox

// SecurityReport is the externally consumable audit artifact for one plugin,
// computed on demand from its action log. It is JSON-serializable; its
// presentation is up to the caller.
type SecurityReport struct {
	PluginID     string             `json:"plugin_id"`
	Level        SecurityLevel      `json:"security_level"`
	Restrictions RestrictionSet     `json:"restrictions"`
	ActionCounts map[ActionKind]int `json:"action_counts"`
	RiskScore    int                `json:"risk_score"`
	RiskFactors  []string           `json:"risk_factors"`
}

// riskWeights drives the risk score: per-occurrence weights applied in fixed
// order, with explanations deduplicated per category.
var riskWeights = []struct {
	kind   ActionKind
	weight int
	factor string
}{
	{ActionFileWriteBlocked, 10, "attempted writes outside allowed paths"},
	{ActionFileReadBlocked, 5, "attempted reads outside allowed paths"},
	{ActionNetworkBlocked, 8, "attempted connections to blocked hosts"},
	{ActionImportBlocked, 6, "attempted loads of restricted modules"},
}

// buildReport tallies the action log and computes the weighted risk score.
func buildReport(pluginID string, policy *Policy, log *ActionLog) SecurityReport {
	counts := log.Counts()

	score := 0
	var factors []string
	for _, w := range riskWeights {
		if n := counts[w.kind]; n > 0 {
			score += n * w.weight
			factors = append(factors, w.factor)
		}
	}

	// Any dynamic code execution attempt scores a flat penalty, however
	// many times it was tried.
	if counts[ActionExecBlocked] > 0 || counts[ActionEvalBlocked] > 0 {
		score += 15
		factors = append(factors, "attempted dynamic code execution")
	}
	if n := counts[ActionSubprocessBlocked]; n > 0 {
		score += n * 12
		factors = append(factors, "attempted process spawning")
	}

	return SecurityReport{
		PluginID:     pluginID,
		Level:        policy.Level,
		Restrictions: policy.Restrictions,
		ActionCounts: counts,
		RiskScore:    score,
		RiskFactors:  factors,
	}
}
