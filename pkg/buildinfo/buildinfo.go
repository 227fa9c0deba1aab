package buildinfo

const VERSION = "0.1.0"
