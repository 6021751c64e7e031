// Package demo provides the trackers served by "shocked serve".
//
// Counter keeps one integer per counter id and Todo keeps one list of items
// per list id. Both keep their shared state in a store owned by the
// registration and propagate every change through their channel, so all
// sessions subscribed to the same id converge on the same state.
//
// Clients address them by group, for example "Counter:main" or
// "Todo:groceries". The part after the colon is the default id; a "id"
// creation parameter overrides it.
package demo
