package main

// Version stores the current package semantic version
const Version = "1.0.0"
