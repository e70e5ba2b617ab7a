// Package domain defines the kernel's core types: principals, artifacts,
// quotas, action intents and results, and kernel events. Types here carry no
// behavior beyond validation and canonical serialization; services own the
// rules.
package domain
