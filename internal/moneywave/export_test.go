package moneywave

var Distribute = distribute
