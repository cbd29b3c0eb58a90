// Package bagmodel is a small bag-of-tokens translation model used as the
// reference backend for the training stack. The encoder averages source
// token embeddings, the decoder scores every target token against the
// sentence vector, so the whole model stays two dense matrices with exact
// analytic gradients. It is not a competitive translator; it exists so the
// executor, pipeline and checkpoint machinery can run end to end against a
// model that actually learns.
package bagmodel
