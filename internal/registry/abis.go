package registry

// ABI fragments used by quote backends, the approval manager and the sequencer.
const (
	ERC20MinimalABI = `[
		{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`

	ERC20MetadataABI = `[
		{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
		{"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
		{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
	]`

	// Some older tokens return fixed-size bytes32 for symbol and name.
	ERC20MetadataBytes32ABI = `[
		{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
		{"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
		{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
	]`

	ElfomoABI = `[
		{"name":"getAmountOut","type":"function","stateMutability":"view","inputs":[{"name":"fromToken","type":"address"},{"name":"toToken","type":"address"},{"name":"fromAmount","type":"uint256"}],"outputs":[{"name":"toAmount","type":"uint256"}]},
		{"name":"swap","type":"function","stateMutability":"nonpayable","inputs":[{"name":"fromToken","type":"address"},{"name":"toToken","type":"address"},{"name":"specifiedAmount","type":"int256"},{"name":"limitAmount","type":"uint256"},{"name":"receiver","type":"address"},{"name":"partnerId","type":"uint256"}],"outputs":[{"name":"amount0","type":"int256"},{"name":"amount1","type":"int256"}]}
	]`

	ContrapartyABI = `[
		{"name":"quote","type":"function","stateMutability":"view","inputs":[{"name":"token_in","type":"address"},{"name":"token_out","type":"address"},{"name":"amount_in","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"swap","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token_in","type":"address"},{"name":"token_out","type":"address"},{"name":"amount_in","type":"uint256"},{"name":"min_amount_out","type":"uint256"},{"name":"recipient","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`

	CowSettlementABI = `[
		{"name":"domainSeparator","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]}
	]`
)
