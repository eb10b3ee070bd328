package league

import "context"

// Lock holds the room mutex so tests can order callbacks around it.
func (r *Room) Lock() func() {
	r.mu.Lock()
	return r.mu.Unlock
}

// CancelRaceHeld cancels as if both racers voted, with the mutex already held.
func (r *Room) CancelRaceHeld(ctx context.Context) {
	r.cancelRaceLocked(ctx)
}
