// Package strategy defines the upstream selection interface and implements
// the available algorithms:
//
//   - Round Robin: sequential distribution across targets (default)
//   - Random: uniform random selection
//   - Least Connections: routes to the target with the fewest in-flight requests
//   - Least Response Time: routes on the moving average of time-to-headers,
//     weighted by in-flight requests
//
// Strategies only choose among the targets they are given; filtering out
// unhealthy or already tried targets is the caller's job.
package strategy
