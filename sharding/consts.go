package sharding

// VERSION of the passivation engine, following Semantic Versioning.
const VERSION = "0.1"
