// Package schedule runs jobs on fixed intervals: the mention poll and the
// access token refresh.
//
//	s := schedule.New(logger)
//	s.Add(schedule.Job{Name: "poll", Interval: time.Minute, Run: poll})
//	s.Add(schedule.Job{Name: "refresh", Interval: time.Hour, Run: refresh, Immediate: true})
//	s.Start(ctx)
//	defer s.Stop(ctx)
//
// A job never overlaps itself: a tick that arrives while the previous run
// is still going is skipped.
package schedule
