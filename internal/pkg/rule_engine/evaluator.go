package rule_engine

import (
	"fmt"
	"math"
)

// Result 一次评估的结果
// Value 为决定结果的首个叶子观测值(用于告警的 current_value)，Missing 为缺失的指标
type Result struct {
	Matched bool
	Value   float64
	Metric  string
	Missing []string
}

// Evaluate 在一组扁平化指标值上评估条件树
// 缺失指标的叶子视为 false；and 中任一叶子缺失则整体为 false
func Evaluate(cond Condition, values map[string]float64) (Result, error) {
	if cond.IsLeaf() {
		return evaluateLeaf(cond, values)
	}

	switch cond.Logic {
	case LogicAnd:
		res := Result{Matched: true}
		for i, sub := range cond.Conditions {
			r, err := Evaluate(sub, values)
			if err != nil {
				return Result{}, err
			}
			res.Missing = append(res.Missing, r.Missing...)
			if i == 0 {
				res.Value, res.Metric = r.Value, r.Metric
			}
			if !r.Matched {
				res.Matched = false
				res.Value, res.Metric = r.Value, r.Metric
			}
		}
		return res, nil
	case LogicOr:
		res := Result{}
		for _, sub := range cond.Conditions {
			r, err := Evaluate(sub, values)
			if err != nil {
				return Result{}, err
			}
			res.Missing = append(res.Missing, r.Missing...)
			if r.Matched && !res.Matched {
				res.Matched = true
				res.Value, res.Metric = r.Value, r.Metric
			}
		}
		if !res.Matched && len(cond.Conditions) > 0 {
			res.Metric = cond.Conditions[0].Metric
			if v, ok := values[res.Metric]; ok {
				res.Value = v
			}
		}
		return res, nil
	default:
		return Result{}, fmt.Errorf("unsupported logic: %s", cond.Logic)
	}
}

func evaluateLeaf(cond Condition, values map[string]float64) (Result, error) {
	v, ok := values[cond.Metric]
	if !ok || math.IsNaN(v) {
		return Result{Metric: cond.Metric, Missing: []string{cond.Metric}}, nil
	}
	matched, err := Compare(v, cond.Op, cond.Threshold)
	if err != nil {
		return Result{}, err
	}
	return Result{Matched: matched, Value: v, Metric: cond.Metric}, nil
}

// Compare 数值比较
func Compare(value float64, op Operator, threshold float64) (bool, error) {
	switch op {
	case OpGreater:
		return value > threshold, nil
	case OpGreaterEqual:
		return value >= threshold, nil
	case OpLess:
		return value < threshold, nil
	case OpLessEqual:
		return value <= threshold, nil
	case OpEqual:
		return value == threshold, nil
	case OpNotEqual:
		return value != threshold, nil
	default:
		return false, fmt.Errorf("unsupported operator: %s", op)
	}
}
