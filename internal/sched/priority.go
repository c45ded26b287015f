// Package sched implements the per-tick task scheduler: effective-priority
// ranking, file-conflict detection, the two worker pools, and the
// skip-cooldown bookkeeping.
package sched

import "github.com/msageha/ringmaster/internal/model"

// Params are the effective-priority tuning constants.
type Params struct {
	PlanBonus      int
	AgingBonus     int
	AgingFactor    int
	DependentBonus int
	SiblingPenalty int
}

// ParamsFromConfig applies defaults to unset tuning fields.
func ParamsFromConfig(cfg model.SchedulerConfig) Params {
	p := Params{
		PlanBonus:      cfg.PlanBonus,
		AgingBonus:     cfg.AgingBonus,
		AgingFactor:    cfg.AgingFactor,
		DependentBonus: cfg.DependentBonus,
		SiblingPenalty: cfg.SiblingPenalty,
	}
	if p.PlanBonus <= 0 {
		p.PlanBonus = model.DefaultPlanBonus
	}
	if p.AgingBonus <= 0 {
		p.AgingBonus = model.DefaultAgingBonus
	}
	if p.AgingFactor <= 0 {
		p.AgingFactor = model.DefaultAgingFactor
	}
	if p.DependentBonus <= 0 {
		p.DependentBonus = model.DefaultDependentBonus
	}
	if p.SiblingPenalty <= 0 {
		p.SiblingPenalty = model.DefaultSiblingPenalty
	}
	return p
}

// EffectivePriority computes the scheduling rank for a candidate task.
// Lower runs sooner. Bonuses subtract from the base class weight; the
// sibling penalty adds. The result is clamped at zero so bonus stacking
// cannot wrap a low-priority task past a critical one.
func EffectivePriority(task model.Task, p Params, agingTicks, blockedByCount, siblingActiveCount int) int {
	effective := task.Priority.Weight()
	if task.HasPlan {
		effective -= p.PlanBonus
	}
	effective -= agingTicks * p.AgingBonus / p.AgingFactor
	effective -= blockedByCount * p.DependentBonus
	effective += siblingActiveCount * p.SiblingPenalty
	if effective < 0 {
		return 0
	}
	return effective
}
