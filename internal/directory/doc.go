// Package directory implements dispatch.Directory backends.
//
// HTTPDirectory talks to a remote directory service: it logs in with the
// caller's credentials, keeps the returned token in memory until the expiry
// carried in its JWT claims, and lists an org's devices. Membership lists
// can be cached in Redis per namespace, org and user.
//
// StaticDirectory serves membership from a YAML file for deployments
// without a directory service.
package directory
