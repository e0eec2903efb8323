// Package resume turns restored capacity into running work again. The
// controller listens for capacity:restored events and scans for passed
// resume_after deadlines, resuming paused tasks parent-first within the
// current concurrency headroom. A task that keeps failing to resume is
// failed outright once it exhausts its attempt cap.
package resume
