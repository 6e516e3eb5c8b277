/*
Package resilience provides a circuit breaker for external collaborators.

# Overview

The display allocator is a separate service. When it is down every Create
would otherwise wait out its full retry budget; the breaker fails those calls
fast instead, and lets a single probe through once the open timeout passes.

# Usage

	breaker := resilience.New("display", resilience.Settings{
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errNotFound)
		},
	})

	err := breaker.Do(ctx, func(ctx context.Context) error {
		return client.Allocate(ctx, id)
	})

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open

Calls abandoned because their context ended are neither successes nor
failures.
*/
package resilience
