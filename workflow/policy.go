package workflow

// ParamPolicy chooses the training parameters of the next retrain cycle.
// cycle starts at 1 for the first retrain.
type ParamPolicy interface {
	Next(cycle int, params map[string]any, review Review) map[string]any
}

// ParamPolicyFunc adapts a function to ParamPolicy.
type ParamPolicyFunc func(cycle int, params map[string]any, review Review) map[string]any

// Next implements ParamPolicy.
func (f ParamPolicyFunc) Next(cycle int, params map[string]any, review Review) map[string]any {
	return f(cycle, params, review)
}

// RepeatParams retrains with the same parameters.
func RepeatParams() ParamPolicy {
	return ParamPolicyFunc(func(_ int, params map[string]any, _ Review) map[string]any {
		return copyParams(params)
	})
}

// ScaleParam multiplies the numeric parameter name by factor on every
// retrain. A missing or non-numeric parameter is left as is.
func ScaleParam(name string, factor float64) ParamPolicy {
	return ParamPolicyFunc(func(_ int, params map[string]any, _ Review) map[string]any {
		out := copyParams(params)
		switch v := out[name].(type) {
		case float64:
			out[name] = v * factor
		case int:
			out[name] = float64(v) * factor
		case int64:
			out[name] = float64(v) * factor
		}
		return out
	})
}

// PolicyByName returns a built-in policy. Unknown names fall back to
// RepeatParams.
func PolicyByName(name, param string, factor float64) ParamPolicy {
	if name == "scale" && param != "" {
		return ScaleParam(param, factor)
	}
	return RepeatParams()
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
