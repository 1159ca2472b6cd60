// Package quota meters per-feature usage against subscription plans. Every
// read and write goes through SubscriptionStore.UpdateSubscription, which is
// the single serialization point for a user's counters.
package quota
