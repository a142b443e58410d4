// Package subscription derives a single authoritative access-control status
// per user from a stream of payment-processor signals.
//
// The package is processor-agnostic: the payment processor is reached only
// through the Gateway and ProvisioningGateway interfaces, and persistence
// only through the Store interface. The Stripe implementations live in
// pkg/gateway/stripe, the store adapters under storage/.
package subscription
