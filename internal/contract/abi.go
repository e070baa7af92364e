package contract

// CreditLineABI is the subset of the credit line contract the engine uses.
const CreditLineABI = `[
  {"type":"function","name":"getCreditLineInfo","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[
     {"name":"collateralAmount","type":"uint256"},
     {"name":"musdMinted","type":"uint256"},
     {"name":"accruedInterest","type":"uint256"},
     {"name":"collateralRatio","type":"uint256"},
     {"name":"availableCredit","type":"uint256"},
     {"name":"isActive","type":"bool"}]},
  {"type":"function","name":"getVirtualCardInfo","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[
     {"name":"cardNumber","type":"string"},
     {"name":"expiryDate","type":"string"},
     {"name":"cvv","type":"string"},
     {"name":"holderName","type":"string"},
     {"name":"dailyLimit","type":"uint256"},
     {"name":"monthlyLimit","type":"uint256"},
     {"name":"dailySpent","type":"uint256"},
     {"name":"monthlySpent","type":"uint256"},
     {"name":"isActive","type":"bool"}]},
  {"type":"function","name":"depositCollateral","stateMutability":"payable","inputs":[],"outputs":[]},
  {"type":"function","name":"mintMUSD","stateMutability":"nonpayable",
   "inputs":[{"name":"musdAmount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"repayMUSD","stateMutability":"nonpayable",
   "inputs":[{"name":"musdAmount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"spendWithCard","stateMutability":"nonpayable",
   "inputs":[{"name":"amount","type":"uint256"},{"name":"merchant","type":"string"}],"outputs":[]},
  {"type":"function","name":"freezeCard","stateMutability":"nonpayable",
   "inputs":[{"name":"freeze","type":"bool"}],"outputs":[]},
  {"type":"function","name":"closePosition","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"event","name":"CollateralDeposited","anonymous":false,
   "inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"MUSDMinted","anonymous":false,
   "inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"MUSDRepaid","anonymous":false,
   "inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"CardSpending","anonymous":false,
   "inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"merchant","type":"string","indexed":false}]},
  {"type":"event","name":"CardFrozen","anonymous":false,
   "inputs":[{"name":"user","type":"address","indexed":true},{"name":"frozen","type":"bool","indexed":false}]}
]`

// DebtTokenABI is the ERC-20 subset used for the debt currency.
const DebtTokenABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`
