package degradation

// Level 全局服务降级等级。
// 由 Manager 根据健康信号单调推进/回退，其余组件只读。
type Level int32

const (
	// LevelNormal 正常（全功能）
	LevelNormal Level = iota
	// LevelMinor 轻度降级
	LevelMinor
	// LevelModerate 中度降级（强制经济档）
	LevelModerate
	// LevelSevere 重度降级
	LevelSevere
	// LevelCritical 危急（非特权请求仅允许延迟处理/拒绝）
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "Normal"
	case LevelMinor:
		return "Minor"
	case LevelModerate:
		return "Moderate"
	case LevelSevere:
		return "Severe"
	case LevelCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// BudgetMultiplier 返回该等级下的有效预算乘数。
// 等级越高，名义利用率被放大得越多，预算守卫越早触发降档/阻断。
func (l Level) BudgetMultiplier() float64 {
	switch l {
	case LevelNormal:
		return 1.0
	case LevelMinor:
		return 1.1
	case LevelModerate:
		return 1.25
	case LevelSevere:
		return 1.5
	case LevelCritical:
		return 2.0
	default:
		return 1.0
	}
}
