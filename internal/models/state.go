package models

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite 返回相反的交易方向
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// GridStatus 定义了一个网格实例的生命周期状态
type GridStatus string

const (
	GridPending  GridStatus = "PENDING"  // 已创建，订单尚未全部挂出
	GridActive   GridStatus = "ACTIVE"   // 正常运行，轮询成交
	GridPaused   GridStatus = "PAUSED"   // 暂停轮询，已挂订单保留
	GridStopping GridStatus = "STOPPING" // 正在撤单退出
	GridStopped  GridStatus = "STOPPED"  // 终态
)

// gridTransitions 是网格状态机的封闭转换表
var gridTransitions = map[GridStatus][]GridStatus{
	GridPending:  {GridActive, GridStopping, GridStopped},
	GridActive:   {GridPaused, GridStopping},
	GridPaused:   {GridActive, GridStopping},
	GridStopping: {GridStopped},
	GridStopped:  {},
}

// CanTransition 报告从当前状态到目标状态是否合法
func (s GridStatus) CanTransition(to GridStatus) bool {
	for _, next := range gridTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal 报告该状态是否为终态
func (s GridStatus) Terminal() bool {
	return s == GridStopped
}

// OrderStatus 定义了本地订单记录的状态
type OrderStatus string

const (
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
)

// orderStatusRank 用于保证订单状态只能单向推进
var orderStatusRank = map[OrderStatus]int{
	OrderOpen:            1,
	OrderPartiallyFilled: 2,
	OrderFilled:          3,
	OrderCanceled:        3,
	OrderRejected:        3,
}

// Terminal 报告订单是否已进入终态
func (s OrderStatus) Terminal() bool {
	return orderStatusRank[s] >= 3
}

// CanTransition 报告订单状态是否允许推进到目标状态。
// 同级终态之间不允许互换，终态不允许回退。
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	if s == to {
		return true
	}
	if s.Terminal() {
		return false
	}
	return orderStatusRank[to] > orderStatusRank[s]
}

// GridMode 控制网格初始挂单的方向
type GridMode string

const (
	ModeTwoSided GridMode = "two_sided" // 买卖两侧同时挂单
	ModeBuyOnly  GridMode = "buy_only"  // 仅挂买单，卖单由成交镜像产生
	ModeSellOnly GridMode = "sell_only" // 仅挂卖单，买单由成交镜像产生
)
