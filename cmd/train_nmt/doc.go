// Package main provides the training command for translation models. It
// resolves the layered configuration, resumes from the latest checkpoint in
// the model directory when one exists, and drives the training loop over
// aligned source/target text files until a stopping condition is met.
package main
