package clock

import "time"

// Clock 抽象了系统时钟，结算流程中所有的时间判断都通过它进行，
// 以便测试中注入可控的时间。链上区块高度由chain.Client提供，不在此处。
type Clock interface {
	Now() time.Time
}

// SystemClock 是基于系统时钟的默认实现。
type SystemClock struct{}

// Now 返回当前的UTC时间。
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
