// Package backend implements engine.Backend.
//
// HTTPClient talks to the authoritative loop service over REST. Local is
// an in-process stand-in with the same validation rules, used for offline
// runs and scenario simulation.
package backend
