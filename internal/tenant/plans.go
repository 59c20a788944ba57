package tenant

// tierLimits is the tier catalogue. Limits are snapshotted onto the tenant
// row when a tier is assigned, so catalogue edits only affect tenants on
// their next tier change.
var tierLimits = map[Tier]Limits{
	TierNone: {
		ConsultsCap:      0,
		TrialConsultsCap: 0,
		MaxDevices:       1,
	},
	TierBasic: {
		ConsultsCap:      30,
		TrialConsultsCap: 10,
		MaxDevices:       2,
	},
	TierProfessional: {
		ConsultsCap:      150,
		TrialConsultsCap: 25,
		MaxDevices:       5,
	},
	TierEnterprise: {
		// Consult caps are not consulted for enterprise; devices unlimited.
		ConsultsCap:      0,
		TrialConsultsCap: 0,
		MaxDevices:       0,
	},
}

// DefaultLimitsForTier returns the catalogue limits for the tier.
// Unknown tiers fall back to the zero-entitlement limits.
func DefaultLimitsForTier(tier Tier) Limits {
	if l, ok := tierLimits[tier]; ok {
		return l
	}
	return tierLimits[TierNone]
}

// ValidTier returns true if the tier is a member of the catalogue.
func ValidTier(t Tier) bool {
	_, ok := tierLimits[t]
	return ok
}
