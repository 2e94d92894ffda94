// Package timeutil provides Schedule, a set of named deadlines multiplexed onto a single
// [time.Timer].
//
// A Schedule is meant to be owned by one goroutine running a select loop: the loop selects on
// [Schedule.C] together with its other event sources and calls [Schedule.Due] when the channel
// fires to collect the names of every expired deadline in expiry order.
//
//	s := timeutil.NewSchedule[string]()
//	s.Start("E", 500*time.Millisecond)
//	s.Start("F", 32*time.Second)
//	for {
//		select {
//		case <-s.C():
//			for _, name := range s.Due() {
//				handle(name)
//			}
//		case msg := <-inbox:
//			...
//		}
//	}
//
// Schedule is not safe for concurrent use.
package timeutil
