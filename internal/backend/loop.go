package backend

import (
	"runtime"

	"github.com/rs/zerolog/log"
)

// run is the polling loop: one goroutine locked to its thread, weighted
// round-robin between the control plane and the data plane. Control-plane
// progress is sampled once per DataPlaneWeight iterations.
func (s *Server) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.done)

	dp := 0
	for !s.stop.Load() {
		progress := false

		if dp == 0 {
			if s.pollCMEvent() {
				progress = true
			}
			if s.pollCtrlCQs() {
				progress = true
			}
			if s.scanCtrlCompletions() {
				progress = true
			}
		}

		if s.pollBuffCQs() {
			progress = true
		}
		if s.scanDataCompletions() {
			progress = true
		}

		dp++
		if dp == s.cfg.DataPlaneWeight {
			dp = 0
		}
		if !progress {
			runtime.Gosched()
		}
	}

	s.shutdown()
}

func (s *Server) shutdown() {
	for i := range s.ctrls {
		s.teardownCtrl(&s.ctrls[i])
	}
	for i := range s.buffs {
		s.teardownBuff(&s.buffs[i])
	}
	log.Info().Bool("fatal", s.fatal.Load()).Msg("Backend loop exited")
}
