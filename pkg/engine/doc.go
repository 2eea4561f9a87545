// Package engine defines the interface boundary between the Quarry control
// plane and the underlying storage engine: device formatting, replicated
// devices, index tables, and the named-metadata-block store with crash
// recovery replay. The control plane never reaches for an ambient engine
// singleton; an Engine handle is threaded explicitly through the manager
// and volume constructors.
//
// A reference in-process implementation lives in the localengine
// subpackage.
package engine
